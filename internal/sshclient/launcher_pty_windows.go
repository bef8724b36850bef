package sshclient

import "errors"

// PTYLauncher is unavailable on windows.
type PTYLauncher struct {
	Env []string
}

// Launch always fails on windows.
func (l PTYLauncher) Launch(argv []string) (*Process, error) {
	path := ""
	if len(argv) > 0 {
		path = argv[0]
	}
	return nil, &LaunchError{Path: path, Err: errors.New("pty launcher is not supported on windows")}
}
