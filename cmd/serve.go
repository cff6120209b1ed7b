package main

import (
	"github.com/spf13/cobra"

	"github.com/databridge/dataapi/serv"
)

var servAddr string

// serveCmd is the CLI entry point that starts the HTTP service, grounded on
// the teacher's servCmd/cmdServ shape (flags on the command, a Run func
// that builds and starts the long-lived service).
func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP service",
		Run:   cmdServe,
	}
	c.Flags().StringVar(&servAddr, "addr", "0.0.0.0:8080", "address to listen on")
	return c
}

func cmdServe(cmd *cobra.Command, args []string) {
	s, err := serv.New(serv.Options{
		ConfigPath:            cpath,
		Addr:                  servAddr,
		Log:                   log,
		MaxConcurrentRequests: 100,
	})
	if err != nil {
		log.Fatalf("%s", err)
	}
	if err := s.Watch(); err != nil {
		log.Fatalf("failed to start config watcher: %s", err)
	}
	if err := s.Serve(); err != nil {
		log.Fatalf("%s", err)
	}
}
