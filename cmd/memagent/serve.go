package main

import (
	"github.com/spf13/cobra"

	"github.com/gibbonas/MemAgent/pkg/webchat"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API and stage event websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings
			if addr != "" {
				s.HTTP.Addr = addr
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, s)
			if err != nil {
				return err
			}
			r, err := webchat.NewRouter(webchat.RouterDeps{
				Chat:  a.orchestrator,
				Usage: a.tracker,
				Lanes: a.lanes,
			})
			if err != nil {
				_ = a.Close()
				return err
			}
			srv, err := webchat.NewServer(s.HTTP.Addr, r, a.bus)
			if err != nil {
				_ = a.Close()
				return err
			}
			srv.OnShutdown = append(srv.OnShutdown, a.Close)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}
