package redis

import "errors"

var (
	ErrEmptyConnectionURL           = errors.New("redis connection url is empty")
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not answer ping")
	ErrHealthcheckFailed            = errors.New("redis healthcheck failed")
)
