package ai

import (
	"errors"
	"fmt"
)

// ErrNotReady модель ещё не загружена (или загрузка не удалась)
var ErrNotReady = errors.New("engine is not ready")

// LoadError ошибка загрузки модели: повреждённый конфиг, несовпадение
// ключей/форм весов, отсутствующие файлы. Фатальна для попытки загрузки,
// движок остаётся в состоянии "not ready" и загрузку можно повторить.
type LoadError struct {
	Stage string // На каком этапе загрузки произошла ошибка
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model load failed at %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AudioError проблема с входным аудио. Не фатальна: вызывающий решает,
// предлагать ли пользователю повторить запись.
type AudioError struct {
	Reason string
}

func (e *AudioError) Error() string {
	return fmt.Sprintf("audio error: %s", e.Reason)
}

// InferenceError неожиданная ошибка инференса (несовпадение форм,
// сбой численного бэкенда). Ловится на границе generate-вызова;
// загруженное состояние движка остаётся пригодным для следующего вызова.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ResourceError исчерпание ресурсов (невозможно вырастить KV-кэш,
// нехватка памяти). Текущий вызов чисто прерывается, кэш выбрасывается.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted: %v", e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
