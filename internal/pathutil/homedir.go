package pathutil

import (
	"os"

	"github.com/mitchellh/go-homedir"
)

// HomeDir obtains the path to the user's home directory. It falls back to
// $HOME when the directory cannot be detected.
func HomeDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Debug("Failed to detect home directory")
		return os.Getenv("HOME")
	}
	return dir
}

// Expand expands a leading ~ in path to the user's home directory.
func Expand(path string) (string, error) {
	return homedir.Expand(path)
}
