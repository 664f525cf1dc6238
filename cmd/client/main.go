package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/parley/pkg/client"
	"github.com/NicolasHaas/parley/pkg/logging"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/version"
)

func main() {
	defaults := client.DefaultSettings()
	settingsPath := flag.String("settings", client.DefaultSettingsPath(), "Client settings YAML file")
	serverAddr := flag.String("server", defaults.Server, "Server address host:port")
	username := flag.String("user", "", "Username (prompted if empty)")
	wire := flag.String("wire", defaults.Wire, "Control message encoding: "+protocol.CodecNames())
	downloadDir := flag.String("download-dir", defaults.DownloadDir, "Where downloaded files are saved")
	password := flag.String("password", "", "Password (prompted if empty)")
	save := flag.Bool("save", false, "Persist server, user, wire and download dir to the settings file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicit flags win over the settings file.
	settings := client.LoadSettings(*settingsPath)
	if flag.CommandLine.Changed("server") {
		settings.Server = *serverAddr
	}
	if flag.CommandLine.Changed("user") {
		settings.Username = *username
	}
	if flag.CommandLine.Changed("wire") {
		settings.Wire = *wire
	}
	if flag.CommandLine.Changed("download-dir") {
		settings.DownloadDir = *downloadDir
	}

	if *showVersion {
		fmt.Println(version.Banner("parley-client"))
		return
	}

	// Default to "warn" so logs do not drown the chat; override with
	// PARLEY_LOG_LEVEL (debug, info, warn, error).
	level := "warn"
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		level = v
	}
	format := "text"
	if v := os.Getenv("PARLEY_LOG_FORMAT"); v != "" {
		format = v
	}
	_ = logging.Setup(logging.Options{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	})

	if *save {
		if err := settings.Save(*settingsPath); err != nil {
			slog.Error("save settings", "err", err)
		}
	}

	if err := run(settings, *password); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(settings *client.Settings, password string) error {
	codec, err := protocol.ParseCodec(settings.Wire)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, settings.Server, codec)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	stdin := bufio.NewScanner(os.Stdin)
	if err := login(c, stdin, settings.Username, password); err != nil {
		return err
	}

	c.StartReceiving(func(ev *client.Event) { printEvent(ev, settings.DownloadDir) })
	printHelp()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for stdin.Scan() {
			lines <- stdin.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			fmt.Println("[System] Connection to server lost.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.Disconnect()
			}
			quit, err := handleLine(c, strings.TrimSpace(line))
			if err != nil {
				fmt.Println("[System]", err)
			}
			if quit {
				return c.Disconnect()
			}
		}
	}
}

// login retries until the server accepts the credentials or stdin ends.
func login(c *client.Client, stdin *bufio.Scanner, username, password string) error {
	for {
		if username == "" {
			username = prompt(stdin, "Username: ")
		}
		if password == "" {
			password = prompt(stdin, "Password: ")
		}
		if username == "" {
			return errors.New("no username given")
		}
		if err := c.Login(username, password); err != nil {
			return err
		}
		for {
			ev, err := c.Receive()
			if err != nil {
				return fmt.Errorf("waiting for login reply: %w", err)
			}
			switch m := ev.Message.(type) {
			case *protocol.LoginSuccess:
				fmt.Println("[Server]", m.Text)
				return nil
			case *protocol.LoginFailure:
				fmt.Println("[Server]", m.Text)
				username, password = "", ""
			default:
				printEvent(ev, "")
				continue
			}
			break
		}
	}
}

func prompt(stdin *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !stdin.Scan() {
		return ""
	}
	return strings.TrimSpace(stdin.Text())
}

func printHelp() {
	fmt.Println("Type a message and press enter to chat. Commands:")
	fmt.Println("  /list              list shared files")
	fmt.Println("  /upload <path>     share a local file")
	fmt.Println("  /download <name>   fetch a shared file")
	fmt.Println("  /quit              leave")
}

func handleLine(c *client.Client, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.SendChat(line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/list":
		return false, c.RequestFileList()
	case "/download":
		if arg == "" {
			return false, errors.New("usage: /download <name>")
		}
		return false, c.RequestDownload(arg)
	case "/upload":
		if arg == "" {
			return false, errors.New("usage: /upload <path>")
		}
		return false, upload(c, arg)
	case "/help":
		printHelp()
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func upload(c *client.Client, path string) error {
	f, err := os.Open(path) //nolint:gosec // user-chosen file
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	name := filepath.Base(path)
	fmt.Printf("[System] Uploading %s (%d bytes)...\n", name, info.Size())
	return c.Upload(name, f, info.Size())
}

func printEvent(ev *client.Event, downloadDir string) {
	switch m := ev.Message.(type) {
	case *protocol.ChatMessage:
		fmt.Printf("[%s] %s\n", ev.Sender, m.Text)
	case *protocol.UserJoined:
		fmt.Println("[Server]", m.Text)
	case *protocol.UserLeft:
		fmt.Println("[Server]", m.Text)
	case *protocol.UserListUpdate:
		line := "[Server] Online: " + strings.Join(m.Usernames, ", ")
		if m.More {
			line += ", ..."
		}
		fmt.Println(line)
	case *protocol.UploadReadyForBytes:
		slog.Debug("server ready for upload bytes", "file", m.Name)
	case *protocol.UploadConfirmation:
		fmt.Println("[Server]", m.Text)
	case *protocol.FileListResponse:
		if len(m.Names) == 0 {
			fmt.Println("[Server] No shared files.")
			return
		}
		fmt.Println("[Server] Shared files:")
		for _, n := range m.Names {
			fmt.Println("  -", n)
		}
		if m.More {
			fmt.Println("  (continued)")
		}
	case *protocol.FileDownloadInfoAndStart:
		fmt.Printf("[System] Receiving %s (%d bytes)...\n", m.Name, m.Size)
	case *protocol.FileDownloadSendingBytes:
		path, err := client.SaveDownload(downloadDir, m.Name, ev.Data)
		if err != nil {
			fmt.Println("[System]", err)
			return
		}
		fmt.Printf("[System] File %s downloaded successfully to %s.\n", m.Name, path)
	case *protocol.FileDownloadError:
		fmt.Println("[Server]", m.Text)
	case *protocol.GeneralServerMessage:
		fmt.Println("[Server]", m.Text)
	case *protocol.LoginSuccess:
		fmt.Println("[Server]", m.Text)
	case *protocol.LoginFailure:
		fmt.Println("[Server]", m.Text)
	default:
		slog.Debug("ignoring message", "kind", ev.Message.Kind())
	}
}
