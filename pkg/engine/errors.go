package engine

import "errors"

var (
	ErrInvalidConfig = errors.New("engine: invalid configuration")
	ErrEngineClosed  = errors.New("engine: closed")
)
