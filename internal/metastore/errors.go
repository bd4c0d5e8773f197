package metastore

import "errors"

// Metadata store error types.
var (
	ErrTransientStore           = errors.New("metadata store unavailable")
	ErrReplicaStatusUnavailable = errors.New("replica status unavailable")
	ErrPublishSwap              = errors.New("publish swap failed")
	ErrChangeFeed               = errors.New("change feed failed")
	ErrNotFound                 = errors.New("document not found")
)
