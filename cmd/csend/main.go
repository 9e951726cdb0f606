package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matthewdeaves/csend-sub003/internal/node"
	"github.com/matthewdeaves/csend-sub003/internal/outbound"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "csend",
	Short: "Serverless LAN messaging.",
	Long: `csend — peer-to-peer text messaging for the local network.

No server. No accounts. Peers find each other over UDP broadcast
and exchange messages directly over TCP.`,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join the LAN and start chatting",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		tcpPort, _ := cmd.Flags().GetInt("tcp-port")
		udpPort, _ := cmd.Flags().GetInt("udp-port")
		poolSize, _ := cmd.Flags().GetInt("pool-size")
		multicast, _ := cmd.Flags().GetString("multicast")
		quiet, _ := cmd.Flags().GetBool("quiet")

		if quiet {
			log.SetOutput(io.Discard)
		}

		n, err := node.New(node.Config{
			Username:       username,
			TCPPort:        tcpPort,
			UDPPort:        udpPort,
			PoolSize:       poolSize,
			MulticastGroup: multicast,
		}, node.Callbacks{
			OnText: func(username, addr, content string) {
				fmt.Printf("\n%s@%s: %s\n> ", username, addr, content)
			},
			OnPeerAdded: func(addr, username string) {
				fmt.Printf("\n* %s joined from %s\n> ", username, addr)
			},
			OnPeerInactive: func(addr string) {
				fmt.Printf("\n* peer %s left\n> ", addr)
			},
			OnRegistryFull: func(addr string) {
				fmt.Printf("\n* peer list full, ignoring %s\n> ", addr)
			},
		})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		fmt.Printf("csend: chatting as %q — type /help for commands\n", username)

		go console(n)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nleaving the network")
		n.Quit()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the csend version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("csend", version)
	},
}

const version = "0.1.0"

// console reads slash commands from stdin until EOF or /quit.
func console(n *node.Node) {
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "/list":
			peers := n.Peers()
			if len(peers) == 0 {
				fmt.Println("no peers yet")
			}
			for i, p := range peers {
				fmt.Printf("%d. %s@%s (seen %s ago)\n",
					i+1, p.Username, p.Address,
					time.Since(p.LastSeen).Round(time.Second))
			}

		case "/send":
			if len(parts) < 3 {
				fmt.Println("usage: /send <peer number> <message>")
				break
			}
			idx, err := strconv.Atoi(parts[1])
			peers := n.Peers()
			if err != nil || idx < 1 || idx > len(peers) {
				fmt.Println("no such peer; try /list")
				break
			}
			if err := n.Send(peers[idx-1].Address, parts[2]); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "/broadcast":
			if len(parts) < 2 {
				fmt.Println("usage: /broadcast <message>")
				break
			}
			msg := strings.TrimSpace(strings.TrimPrefix(line, "/broadcast"))
			fmt.Printf("sent to %d peers\n", n.Broadcast(msg))

		case "/status":
			st := n.Status()
			fmt.Printf("peers: %d  send pool: ", st.ActivePeers)
			if st.PoolIdle {
				fmt.Print("idle")
			} else {
				fmt.Print("busy")
			}
			fmt.Printf("  queued: %d/%d  listener: %s\n",
				st.QueueLen, outbound.MaxQueuedMessages, st.Endpoint)

		case "/help":
			fmt.Println("/list              show active peers")
			fmt.Println("/send <n> <msg>    message peer number n")
			fmt.Println("/broadcast <msg>   message every peer")
			fmt.Println("/status            show node status")
			fmt.Println("/quit              leave the network")

		case "/quit":
			fmt.Println("leaving the network")
			n.Quit()
			os.Exit(0)

		default:
			fmt.Printf("unknown command %q — try /help\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func init() {
	chatCmd.Flags().String("username", "anonymous", "Name shown to other peers")
	chatCmd.Flags().Int("tcp-port", node.DefaultTCPPort, "TCP port for peer messages")
	chatCmd.Flags().Int("udp-port", node.DefaultUDPPort, "UDP port for peer discovery")
	chatCmd.Flags().Int("pool-size", outbound.DefaultSize, "Concurrent outbound send slots")
	chatCmd.Flags().String("multicast", "", "Multicast group for discovery (empty = broadcast)")
	chatCmd.Flags().Bool("quiet", false, "Suppress diagnostic logging")

	rootCmd.AddCommand(chatCmd, versionCmd)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
