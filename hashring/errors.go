package hashring

import "errors"

// All the errors related to hashring
var (
	ErrEmptyRing   = errors.New("hashring has no nodes")
	ErrGetKeyNode  = errors.New("ring returned no node for key")
	ErrGetKeyNodes = errors.New("ring returned no nodes for key")
)
