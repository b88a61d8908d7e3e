package mongo

import "errors"

var (
	ErrEmptyConnectionURL     = errors.New("mongo connection url is empty")
	ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")
	ErrHealthcheckFailed      = errors.New("mongo healthcheck failed")
)
