package config

import "errors"

var (
	// ErrMissing — не задана обязательная переменная окружения.
	ErrMissing = errors.New("missing required setting")

	// ErrInvalid — значение переменной не удалось разобрать или оно вне допустимого диапазона.
	ErrInvalid = errors.New("invalid setting")
)
