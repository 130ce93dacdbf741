package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goburrow/quic"
	"github.com/goburrow/quic/transport"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Parse(args)

	config := newConfig()
	handler := &serverHandler{}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(*logLevel, os.Stdout)

	log.Printf("listening on %s", *listenAddr)
	return server.ListenAndServe(*listenAddr)
}

// serverHandler echoes back anything written to a stream and logs every
// connection and stream event it is handed.
type serverHandler struct{}

func (s *serverHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		log.Printf("%s connection event: %v", c.RemoteAddr(), e.Type)
		switch e.Type {
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 512)
			n, _ := st.Read(buf)
			if n > 0 {
				fmt.Fprintf(os.Stdout, "stream %d received:\n%s\n", e.StreamID, buf[:n])
				st.Write(buf[:n])
				st.Close()
			}
		}
	}
}
