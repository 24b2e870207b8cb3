package decoder

import "fmt"

var errNoKeyframeYet = fmt.Errorf("decoder: waiting for a keyframe before decoding inter frames")
