package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coil"
)

var (
	echoConfigPath  string
	echoAddr        string
	echoWorkers     int
	echoMonitor     string
	echoIdleTimeout float64
)

func init() {
	echoCmd.Flags().StringVar(&echoConfigPath, "config", "coil.toml", "path to coil.toml")
	echoCmd.Flags().StringVar(&echoAddr, "addr", "", "listen address (overrides config)")
	echoCmd.Flags().IntVar(&echoWorkers, "workers", 0, "number of kernels, one per OS thread (overrides config)")
	echoCmd.Flags().StringVar(&echoMonitor, "monitor", "", "monitor console address (overrides config)")
	echoCmd.Flags().Float64Var(&echoIdleTimeout, "idle-timeout", 0, "per-connection idle timeout in seconds (overrides config)")
}

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run the kernel-driven echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(echoConfigPath, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		ec := cfg.Echo
		if echoAddr != "" {
			ec.Addr = echoAddr
		}
		if echoWorkers > 0 {
			ec.Workers = echoWorkers
		}
		if echoMonitor != "" {
			ec.Monitor = echoMonitor
		}
		if echoIdleTimeout > 0 {
			ec.IdleTimeout = echoIdleTimeout
		}
		if ec.Workers <= 0 {
			ec.Workers = 1
		}
		return runEcho(cmd, ec)
	},
}

// runEcho shares one listening socket between N kernels, each pinned to
// its own OS thread by its Run loop.
func runEcho(cmd *cobra.Command, ec EchoConfig) error {
	lsock, err := coil.Listen(ec.Addr, 128)
	if err != nil {
		return err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")
	if !quiet {
		addr, _ := lsock.Addr()
		fmt.Fprintf(os.Stderr, "echo: listening on %s with %d kernel(s)\n", addr, ec.Workers)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		// Closing the listener fails every pending accept, which unwinds
		// each kernel's accept loop.
		_ = lsock.Close()
	}()

	var g errgroup.Group
	g.SetLimit(ec.Workers)
	for i := 0; i < ec.Workers; i++ {
		monitorAddr := ""
		if i == 0 {
			monitorAddr = ec.Monitor
		}
		g.Go(func() error {
			var opts []coil.KernelOption
			if monitorAddr != "" {
				opts = append(opts, coil.WithMonitor(monitorAddr))
			}
			_, err := coil.Run(acceptLoop(lsock, ec.IdleTimeout), opts...)
			return err
		})
	}
	err = g.Wait()
	signal.Stop(sigc)
	return err
}

// acceptLoop supervises one kernel's connection tasks under a task
// group so a server shutdown terminates every child.
func acceptLoop(lsock *coil.Socket, idleTimeout float64) coil.TaskFunc {
	return func(t *coil.Task) (any, error) {
		_, err := t.WithTaskGroup(coil.WaitAll, func(g *coil.TaskGroup) error {
			for {
				conn, err := lsock.Accept(t)
				if err != nil {
					// Listener closed: normal shutdown path.
					return nil
				}
				if _, err := g.Spawn(t, echoClient(conn, idleTimeout), coil.WithDaemon()); err != nil {
					_ = conn.Close()
					return err
				}
			}
		})
		return nil, err
	}
}

// echoClient copies bytes back to the peer until EOF or idle timeout.
func echoClient(conn *coil.Socket, idleTimeout float64) coil.TaskFunc {
	return func(t *coil.Task) (any, error) {
		defer conn.Close() //nolint:errcheck // connection teardown
		buf := make([]byte, 4096)
		for {
			value, expired, err := t.IgnoreAfter(idleTimeout, func() (any, error) {
				n, err := conn.Read(t, buf)
				return n, err
			})
			if expired || err != nil {
				return nil, nil
			}
			n, _ := value.(int)
			if _, err := conn.Write(t, buf[:n]); err != nil {
				return nil, nil
			}
		}
	}
}
