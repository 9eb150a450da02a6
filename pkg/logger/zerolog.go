package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const permission = 0664

// ZerologHandler adapts a zerolog.Logger to the Logger interface.
type ZerologHandler struct {
	logger zerolog.Logger
}

// NewZerolog creates a Logger backed by the given zerolog.Logger.
func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

// ZerologBuild configures a zerolog-backed logger writing to a buffer or
// an append-only file.
type ZerologBuild struct {
	writer io.Writer
	path   string
}

func NewZerologBuild() *ZerologBuild {
	return &ZerologBuild{}
}

func (build *ZerologBuild) FromPath(path string) *ZerologBuild {
	build.path = path
	return build
}

func (build *ZerologBuild) FromBuffer(w io.Writer) *ZerologBuild {
	build.writer = w
	return build
}

func (build *ZerologBuild) Make() (*ZerologHandler, error) {
	writer := build.writer
	if writer == nil {
		writer = os.Stdout
	}
	if build.path != "" {
		file, err := os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(file)
	}
	return NewZerolog(zerolog.New(writer).With().Timestamp().Logger()), nil
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	handler.emit(handler.logger.Error(), msg, args)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	handler.emit(handler.logger.Warn(), msg, args)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	handler.emit(handler.logger.Info(), msg, args)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	handler.emit(handler.logger.Debug(), msg, args)
}

func (handler *ZerologHandler) emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}
