// Package serial implements the byte transport to the power box over a
// local serial port, using go.bug.st/serial.
//
// The board speaks a framed ASCII protocol at 9600 baud, 8N1. Conn adds
// what the library lacks for that protocol: reading up to a terminator
// byte across several short reads, with an overall deadline.
//
// Usage:
//
//	p := serial.NewProvider()
//	names, _ := p.List()
//	conn, err := p.Open("/dev/ttyUSB0", 9600)
//	if err != nil { ... }
//	defer conn.Close()
//	conn.SetReadTimeout(time.Second)
//	conn.Write([]byte(">P#"))
//	reply, err := conn.ReadUntil('#')
package serial
