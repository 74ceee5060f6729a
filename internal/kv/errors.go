package kv

import "errors"

// Store errors.
var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrConditionFailed = errors.New("kv: commit condition failed")
)
