// Command kestreld runs the mail-server core: a single-threaded event
// loop multiplexing IMAP client connections over a pooled, pipelined
// database backend.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kestrelmail/kestreld/conn"
	"github.com/kestrelmail/kestreld/eventloop"
	"github.com/kestrelmail/kestreld/imap"
	"github.com/kestrelmail/kestreld/internal/config"
	"github.com/kestrelmail/kestreld/internal/logx"
	"github.com/kestrelmail/kestreld/metrics"
	"github.com/kestrelmail/kestreld/pool"
)

func main() {
	configPath := pflag.String("config", "/etc/kestreld/kestreld.conf", "path to the TOML configuration file")
	verbose := pflag.Bool("verbose", false, "enable debug-level logging")
	pflag.Parse()

	log := logx.New(os.Stderr)
	if *verbose {
		log.Debug("kestreld: verbose logging enabled")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestreld: config:", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("kestreld: exiting")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logx.Logger) error {
	loop, err := eventloop.New(eventloop.WithLogger(log), eventloop.WithShutdownGrace(10*time.Second))
	if err != nil {
		return fmt.Errorf("eventloop: %w", err)
	}

	reg := metrics.NewRegistry()
	publisher := metrics.NewPublisher(reg, metrics.WriterSink{W: os.Stdout}, 5*time.Second)
	defer publisher.Close()

	dbNetwork, dbAddress := dbEndpoint(cfg)
	p, err := pool.New(pool.Config{
		Endpoint:       pool.Endpoint{Network: dbNetwork, Address: dbAddress},
		User:           cfg.DB.User,
		Password:       cfg.DB.Password,
		MaxHandles:     cfg.DB.MaxHandles,
		HandleInterval: time.Duration(cfg.DB.HandleInterval) * time.Second,
		Security:       cfg.Security,
	}, reg, loop, log.With("component", "pool"))
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	imapAddr := net.JoinHostPort(cfg.IMAP.Address, strconv.Itoa(cfg.IMAP.Port))
	nl, err := net.Listen("tcp", imapAddr)
	if err != nil {
		return fmt.Errorf("imap listen %s: %w", imapAddr, err)
	}

	sessionLog := log.With("component", "imap")
	_, err = conn.Listen(loop, nl, func(nc net.Conn) {
		acceptIMAP(loop, nc, p, sessionLog)
	}, log)
	if err != nil {
		return fmt.Errorf("imap: register listener: %w", err)
	}

	log.With("address", imapAddr).Info("kestreld: listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("kestreld: shutdown signal received")
		p.Shutdown()
		loop.Shutdown(func() {
			p.Disconnect()
		})
	}()

	return loop.Run()
}

func acceptIMAP(loop *eventloop.Loop, nc net.Conn, p *pool.Pool, log logx.Logger) {
	handler := &lazyHandler{}
	c, err := conn.New(loop, nc, conn.RoleClient, handler, log)
	if err != nil {
		log.WithError(err).Warn("kestreld: failed to register accepted connection")
		_ = nc.Close()
		return
	}
	session := imap.NewSession(c, p, log)
	handler.d = imap.NewDispatcher(session)
}

// lazyHandler exists because conn.New requires a Handler at
// registration time, but building the imap.Dispatcher requires the
// already-registered Connection (to send the greeting through it). It
// forwards every call to the real Dispatcher once set.
type lazyHandler struct {
	d *imap.Dispatcher
}

func (l *lazyHandler) HandleConnect(c *conn.Connection, err error) {
	if l.d != nil {
		l.d.HandleConnect(c, err)
	}
}

func (l *lazyHandler) HandleReadable(c *conn.Connection) {
	if l.d != nil {
		l.d.HandleReadable(c)
	}
}

func (l *lazyHandler) HandleTimeout(c *conn.Connection) {
	if l.d != nil {
		l.d.HandleTimeout(c)
	}
}

func (l *lazyHandler) HandleClose(c *conn.Connection, err error) {
	if l.d != nil {
		l.d.HandleClose(c, err)
	}
}

func (l *lazyHandler) HandleShutdown(c *conn.Connection) {
	if l.d != nil {
		l.d.HandleShutdown(c)
	}
}

// dbEndpoint chooses between a TCP and a Unix-domain backend endpoint
// per the db-address/db-port configuration keys: an address starting
// with "/" names a Unix socket path.
func dbEndpoint(cfg *config.Config) (network, address string) {
	if len(cfg.DB.Address) > 0 && cfg.DB.Address[0] == '/' {
		return "unix", cfg.DB.Address
	}
	return "tcp", net.JoinHostPort(cfg.DB.Address, strconv.Itoa(cfg.DB.Port))
}
