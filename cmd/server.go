package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	pairsignal "github.com/mentorlink/pairsignal/pkg"
	"github.com/mentorlink/pairsignal/pkg/storage"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "start a signaling and chat relay node",
	RunE:  serverMain,
}

func init() {
	serverCmd.PersistentFlags().StringVarP(&conf.Signal.HTTPAddr, "addr", "a", conf.Signal.HTTPAddr, "http listen address")
	serverCmd.PersistentFlags().StringVar(&conf.Signal.Cert, "cert", "", "tls certificate")
	serverCmd.PersistentFlags().StringVar(&conf.Signal.Key, "key", "", "tls priv key")

	rootCmd.AddCommand(serverCmd)
}

func serverMain(cmd *cobra.Command, args []string) error {
	log.Info("--- Starting pairsignal node ---", "endpoint", conf.Endpoint())

	store, err := storage.New(conf.Storage.Driver, conf.Storage.DSN)
	if err != nil {
		log.Error(err, "error opening chat storage", "driver", conf.Storage.Driver)
		return err
	}
	defer store.Close()

	relay := pairsignal.NewChatRelay(store, conf.Chat)

	// Spin up websocket
	sServer, sError := pairsignal.NewSignal(conf, relay)
	if conf.Signal.HTTPAddr != "" {
		go sServer.ServeWebsocket()
	}

	// Listen for signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sServer.Shutdown(ctx)
	}

	// Select on error channels from different modules
	for {
		select {
		case err := <-sError:
			log.Error(err, "Error in wsServer")
			return err
		case sig := <-sigs:
			log.V(1).Info("Got Signal, beginning shutdown", "signal", sig.String())
			sServer.NodeState(pairsignal.NodeStateTerminating)
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				active := pairsignal.MetricsGetActiveClientsCount()
				if active == 0 {
					log.V(1).Info("server idle, shutting down")
					return shutdown()
				}
				log.V(1).Info("shutdown waiting on clients", "active", active)
				select {
				case <-ticker.C:
					continue
				case <-sigs:
					log.V(1).Info("Got second signal: forcing shutdown")
					return shutdown()
				}
			}
		}
	}
}
