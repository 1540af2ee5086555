package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mentorlink/pairsignal/pkg/client"
	"github.com/mentorlink/pairsignal/pkg/peer"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/spf13/cobra"
)

var (
	clientURL   string
	clientSID   string
	clientToken string
	clientName  string
	clientFile  string
	clientLang  string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Join a pairing session as a headless participant",
	Long: `Joins a session, keeps --file in sync with the shared buffer and prints chat.
Lines typed on stdin are sent as chat; "/lang <name>" changes the language.`,
	RunE: clientMain,
}

func init() {
	clientCmd.PersistentFlags().StringVarP(&clientURL, "url", "u", "ws://localhost:7000", "server to connect to")
	clientCmd.PersistentFlags().StringVarP(&clientSID, "sid", "s", "test-session", "session id to join")
	clientCmd.PersistentFlags().StringVarP(&clientToken, "token", "t", "", "jwt access token")
	clientCmd.PersistentFlags().StringVarP(&clientName, "name", "n", "headless", "display name announced to peers")
	clientCmd.PersistentFlags().StringVarP(&clientFile, "file", "f", "", "file mirrored to the shared buffer")
	clientCmd.PersistentFlags().StringVarP(&clientLang, "lang", "l", "plaintext", "initial language")

	rootCmd.AddCommand(clientCmd)
}

func endpoint() string {
	return strings.TrimSuffix(clientURL, "/") + "/session/" + url.PathEscape(clientSID)
}

func clientMain(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial := ""
	if clientFile != "" {
		if b, err := os.ReadFile(clientFile); err == nil {
			initial = string(b)
		}
	}

	doc := peer.NewDocument(initial, clientLang, conf.Peer.Debounce)
	sig := client.NewJSONRPCSignalClient(ctx)
	session := peer.NewSession(clientName, conf.Peer, sig, doc)
	defer session.Close()

	sig.OnPeerJoined(session.PeerJoined)
	sig.OnPeerLeft(session.PeerLeft)
	sig.OnOffer(session.HandleOffer)
	sig.OnAnswer(session.HandleAnswer)
	sig.OnTrickle(session.HandleCandidate)

	session.OnPeerName(func(p types.PeerID, name string) {
		fmt.Printf("* %s joined (%s)\n", name, p)
	})
	session.OnChat(func(from types.PeerID, name, content string) {
		fmt.Printf("<%s> %s\n", name, content)
	})
	session.OnLinkFailed(func(p types.PeerID, err error) {
		fmt.Printf("* link to %s failed: %v\n", p, err)
	})

	var lastWritten string
	doc.OnChange(func(content, language string) {
		if clientFile == "" || content == lastWritten {
			return
		}
		if err := os.WriteFile(clientFile, []byte(content), 0o644); err != nil {
			log.Error(err, "error writing shared buffer", "file", clientFile)
			return
		}
		lastWritten = content
	})

	closed, err := sig.Open(endpoint(), clientToken)
	if err != nil {
		log.Error(err, "error connecting to server", "url", clientURL)
		return err
	}
	defer sig.Close()

	// /session/{id} joins on connect; the explicit join confirms it and records our id
	joined, err := sig.Join(types.SessionID(clientSID))
	if err != nil {
		log.Error(err, "error joining session", "session_id", clientSID)
		return err
	}
	log.Info("joined session", "session_id", joined.SessionID, "peer_id", joined.PeerID, "peer_count", joined.PeerCount)

	if clientFile != "" {
		go watchFile(ctx, clientFile, doc)
	}
	go readStdin(session, doc)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-closed:
		log.Info("server closed the connection")
	case s := <-sigs:
		log.V(1).Info("got signal, leaving session", "signal", s.String())
	}
	return nil
}

// watchFile feeds changes of path into the document as local edits.
func watchFile(ctx context.Context, path string, doc *peer.Document) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var modified time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil || !info.ModTime().After(modified) {
			continue
		}
		modified = info.ModTime()

		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if content, _ := doc.Snapshot(); content != string(b) {
			doc.LocalEdit(string(b))
		}
	}
}

func readStdin(session *peer.Session, doc *peer.Document) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/lang "):
			doc.SetLanguage(strings.TrimSpace(strings.TrimPrefix(line, "/lang ")))
		default:
			session.SendChat(line)
		}
	}
}
