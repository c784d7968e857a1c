package metadata_service

import "errors"

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidFileName = errors.New("file name is required")
	ErrVersionConflict = errors.New("could not allocate file version")
)
