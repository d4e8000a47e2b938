package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/relaysock/relay"
)

const RelaydVersion = "0.1.0"

func main() {
	usage := `Relay daemon.

Serves the relay websocket endpoint on /relay. With --secret, connection
tokens are verified as HMAC JWTs. Names given with --allow may be called by
anonymous sessions.

Usage:
    relayd serve [--port=<port>] [--secret=<secret>] [--allow=<names>] [--demo]
    relayd token --secret=<secret> --user_id=<user_id> [--name=<name>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    -p --port=<port>     Listen port [default: 8080].
    --secret=<secret>    HMAC secret for token verification.
    --allow=<names>      Comma separated names exempt from authorization.
    --demo               Register the demo handlers (echo, seq, tick.* events).
    --user_id=<user_id>  Identity user id (uuid).
    --name=<name>        Identity display name.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	settings := relay.DefaultDispatcherSettings()
	if secretAny := opts["--secret"]; secretAny != nil {
		settings.Verify = relay.NewJwtVerify([]byte(secretAny.(string)))
	}
	if allowAny := opts["--allow"]; allowAny != nil {
		settings.Allow = strings.Split(allowAny.(string), ",")
	}

	dispatcher := relay.NewDispatcher(cancelCtx, settings)
	defer dispatcher.Close()

	if demo_, _ := opts.Bool("--demo"); demo_ {
		registerDemo(cancelCtx, dispatcher)
	}

	server := relay.NewServerWithDefaults(cancelCtx, dispatcher)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/relay", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	fmt.Printf("relayd %s on *:%d\n", RelaydVersion, port)

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	httpServer.Shutdown(context.Background())
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	userIdStr, _ := opts.String("--user_id")
	name, _ := opts.String("--name")

	userId, err := relay.ParseId(userIdStr)
	if err != nil {
		fmt.Printf("Invalid user_id (%s).\n", err)
		os.Exit(1)
	}

	jwt, err := relay.NewIdentityJwt([]byte(secret), &relay.Identity{
		UserId: userId,
		Name:   name,
	})
	if err != nil {
		fmt.Printf("Could not sign token (%s).\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", jwt)
}

// smoke-test handlers for exercising the protocol end to end with relayctl
func registerDemo(ctx context.Context, dispatcher *relay.Dispatcher) {
	dispatcher.RegisterCommand(
		"echo",
		func(ctx context.Context, call *relay.Call) (any, error) {
			var data any
			if err := call.Bind(&data); err != nil {
				return nil, err
			}
			return data, nil
		},
	)

	dispatcher.RegisterQuery(
		"seq",
		func(ctx context.Context, call *relay.Call, rows *relay.RowWriter) error {
			params := struct {
				Count int `json:"count"`
			}{}
			if err := call.Bind(&params); err != nil {
				return err
			}
			for i := 0; i < params.Count; i += 1 {
				if err := rows.Write(map[string]int{"i": i}); err != nil {
					return err
				}
			}
			return nil
		},
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-time.After(1 * time.Second):
				dispatcher.Emit("tick.second", map[string]any{
					"time": t.UTC().Format(time.RFC3339),
				})
			}
		}
	}()

	// anonymous login over the wire. a session that calls this adopts the
	// identity in the command data
	dispatcher.RegisterCommand(
		"session.adopt",
		func(ctx context.Context, call *relay.Call) (any, error) {
			var identity relay.Identity
			if err := call.Bind(&identity); err != nil {
				return nil, err
			}
			call.Adopt(&identity)
			profile, err := json.Marshal(&identity)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(profile), nil
		},
	)
}
