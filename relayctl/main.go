package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/relaysock/relay"
)

const RelayCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Relay control.

Sends commands, runs queries, and listens on event patterns against a relayd
endpoint. When --token is omitted but --prompt is set, the token is read from
the terminal without echo.

Usage:
    relayctl send --url=<url> --name=<name> [--token=<token> | --prompt]
        [--ack] [<data>]
    relayctl query --url=<url> --name=<name> [--token=<token> | --prompt]
        [<params>]
    relayctl listen --url=<url> [--token=<token> | --prompt]
        [--message_count=<message_count>] <pattern>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Endpoint url, e.g. ws://localhost:8080/relay
    --token=<token>                  Connection token.
    --prompt                         Prompt for the token.
    --name=<name>                    Command or query name.
    --ack                            Wait for the command acknowledgement.
    --message_count=<message_count>  Print this many events then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) *relay.Client {
	url, _ := opts.String("--url")

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else if prompt_, _ := opts.Bool("--prompt"); prompt_ {
		fmt.Print("Enter token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		token = string(tokenBytes)
		fmt.Printf("\n")
	}

	client := relay.NewClientWithDefaults(ctx, url, token)
	identity, err := client.Connect(ctx)
	if err != nil {
		Err.Fatalf("connect error: %s", err)
	}
	if identity != nil {
		Err.Printf("connected as %s (%s)", identity.Name, identity.UserId)
	} else {
		Err.Printf("connected anonymously")
	}
	return client
}

func send(opts docopt.Opts) {
	name, _ := opts.String("--name")
	dataStr, _ := opts.String("<data>")
	ack, _ := opts.Bool("--ack")

	var data any
	if dataStr != "" {
		if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
			Err.Fatalf("invalid data json: %s", err)
		}
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := connect(cancelCtx, opts)
	defer client.Close()

	if !ack {
		if err := client.Command(name, data, nil); err != nil {
			Err.Fatalf("send error: %s", err)
		}
		return
	}

	result, err := client.CommandSync(cancelCtx, name, data)
	if err != nil {
		Err.Fatalf("command error: %s", err)
	}
	Out.Printf("%s", string(result))
}

func query(opts docopt.Opts) {
	name, _ := opts.String("--name")
	paramsStr, _ := opts.String("<params>")

	var params any
	if paramsStr != "" {
		if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
			Err.Fatalf("invalid params json: %s", err)
		}
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := connect(cancelCtx, opts)
	defer client.Close()

	rows, err := client.Query(name, params)
	if err != nil {
		Err.Fatalf("query error: %s", err)
	}
	for {
		row, ok, err := rows.Next(cancelCtx)
		if err != nil {
			Err.Fatalf("stream error: %s", err)
		}
		if !ok {
			return
		}
		Out.Printf("%s", string(row))
	}
}

func listen(opts docopt.Opts) {
	pattern, _ := opts.String("<pattern>")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connect(cancelCtx, opts)
	defer client.Close()

	done := make(chan struct{})
	count := 0
	client.On(pattern, func(channel string, payload json.RawMessage) {
		Out.Printf("%s %s", channel, string(payload))
		count += 1
		if count == messageCount {
			close(done)
		}
	})
	client.Subscribe()

	select {
	case <-done:
	case <-cancelCtx.Done():
	}
}
