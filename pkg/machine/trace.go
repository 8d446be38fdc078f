package machine

import (
	"log"
	"os"
)

var fileLogger *log.Logger

// InitFileLogger traces every executed instruction to filename.
func InitFileLogger(filename string) error {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	fileLogger = log.New(file, "", log.LstdFlags)
	return nil
}
