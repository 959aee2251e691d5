package serialport

import "go.bug.st/serial"

// Open opens a real serial port at the given path using the provided options.
// The returned Porter also implements TimeoutPorter and BufferedPorter.
func Open(path string, opts PortOptions) (Porter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return port, nil
}
