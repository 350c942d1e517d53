package core

import "errors"

var (
	ErrNoProject          = errors.New("no project is open")
	ErrProjectExists      = errors.New("a project is already open")
	ErrLayerNotFound      = errors.New("layer not found")
	ErrVoxelNotFound      = errors.New("voxel not found")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrInvalidColor       = errors.New("invalid color value")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	ErrTooManyVoxels      = errors.New("operation exceeds voxel limit")
	ErrSnapshotCorrupt    = errors.New("snapshot is corrupt")
	ErrServerBusy         = errors.New("request queue is full")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrShuttingDown       = errors.New("server is shutting down")
	ErrAlreadyRunning     = errors.New("another instance is already running")
)
