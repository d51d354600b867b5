package slab

import "errors"

var (
	ErrInvalidSize  = errors.New("slab: invalid object size")
	ErrInvalidAlign = errors.New("slab: invalid alignment")
	ErrNoMagazine   = errors.New("slab: cache was not created with a magazine layer")
)
