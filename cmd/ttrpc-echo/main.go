// Command ttrpc-echo is a minimal illustration of the server facade:
// it binds a UNIX socket, registers a single Echo/Ping method that
// returns its payload unchanged, and serves until interrupted. It is
// not part of the core transport; see cmd/ttrpcstress in the wider
// ttrpc ecosystem for a load-generation harness this is modeled after.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tinytransport/ttrpc"
	"github.com/tinytransport/ttrpc/wire"
)

func main() {
	addr := flag.String("addr", "unix://ttrpc-echo.sock", "scheme://addr to bind (unix:// or vsock://)")
	flag.Parse()

	log := logrus.StandardLogger()

	srv, err := ttrpc.New(ttrpc.WithServiceRegistration("Echo", ttrpc.ServiceDesc{
		Methods: map[string]ttrpc.Method{
			"Ping": echoPing,
		},
	}))
	if err != nil {
		log.WithError(err).Fatal("ttrpc-echo: failed to construct server")
	}

	if err := srv.Bind(*addr); err != nil {
		log.WithError(err).Fatalf("ttrpc-echo: failed to bind %s", *addr)
	}
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("ttrpc-echo: failed to start")
	}
	log.Infof("ttrpc-echo: serving on %s", *addr)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Info("ttrpc-echo: shutting down")
	if err := srv.Shutdown(); err != nil {
		log.WithError(err).Fatal("ttrpc-echo: shutdown failed")
	}
}

func echoPing(tctx *ttrpc.Context, req *wire.Request) error {
	return tctx.Respond(req.GetPayload())
}
