package domain

import "errors"

var (
	ErrAssetNotRegistered = errors.New("asset not registered")
	ErrNotFound           = errors.New("intent not found")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrExpired            = errors.New("expired")
	ErrUnauthorized       = errors.New("unauthorized")
)
