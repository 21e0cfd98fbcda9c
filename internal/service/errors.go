package service

import "errors"

var (
	ErrValidation         = errors.New("invalid input")
	ErrConflict           = errors.New("user with email or username already exists")
	ErrNotFound           = errors.New("user does not exist")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingToken       = errors.New("missing refresh token")
	ErrInvalidToken       = errors.New("invalid refresh token")
	ErrTokenReuse         = errors.New("refresh token is expired or used")
	ErrInternal           = errors.New("internal error")
)
