package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"plotwave.com/collab"
	"plotwave.com/collab/relay"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Plotwave collab control.

The default relay url is ws://localhost:7301

Usage:
    collabctl relay [--listen=<listen>]
    collabctl join [--url=<url>] --doc=<doc> --jwt=<jwt>
    collabctl annotate [--url=<url>] --doc=<doc> --jwt=<jwt>
        --surface=<surface>
        --x=<x> --y=<y>
        <text>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --listen=<listen>      Relay listen address.
    --url=<url>            Relay websocket url.
    --doc=<doc>            Document id.
    --jwt=<jwt>            Your identity bearer token.
    --surface=<surface>    Chart surface id.
    --x=<x>                Annotation x position.
    --y=<y>                Annotation y position.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if relayCmd, _ := opts.Bool("relay"); relayCmd {
		runRelay(opts)
	} else if join, _ := opts.Bool("join"); join {
		runJoin(opts)
	} else if annotate, _ := opts.Bool("annotate"); annotate {
		runAnnotate(opts)
	}
}

func runRelay(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := relay.LoadConfig()
	if listen, err := opts.String("--listen"); err == nil {
		config.ListenAddr = listen
	}

	r := relay.NewRelay(cancelCtx, config.RelaySettings())
	defer r.Close()

	Out.Printf("relay listening on %s\n", config.ListenAddr)
	if err := http.ListenAndServe(config.ListenAddr, r); err != nil {
		Err.Fatalf("relay exit = %s\n", err)
	}
}

func runJoin(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := connectSession(cancelCtx, opts)
	defer session.Close()

	session.Store().AddPresenceCallback(func(collaborator collab.Collaborator, joined bool) {
		if joined {
			Out.Printf("+ %s (%s)\n", collaborator.DisplayName, collaborator.Id)
		} else {
			Out.Printf("- %s (%s)\n", collaborator.DisplayName, collaborator.Id)
		}
	})
	session.Store().AddChangeCallback(func() {
		Out.Printf("collaborators=%d annotations=%d\n",
			len(session.Store().Collaborators()),
			len(session.Store().Annotations()),
		)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func runAnnotate(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := connectSession(cancelCtx, opts)
	defer session.Close()

	surfaceId, _ := opts.String("--surface")
	xStr, _ := opts.String("--x")
	yStr, _ := opts.String("--y")
	text, _ := opts.String("<text>")

	x, err := strconv.ParseFloat(xStr, 64)
	if err != nil {
		Err.Fatalf("bad --x = %s\n", err)
	}
	y, err := strconv.ParseFloat(yStr, 64)
	if err != nil {
		Err.Fatalf("bad --y = %s\n", err)
	}

	session.MoveCursor(x, y, surfaceId)
	annotationId := session.AddAnnotation(surfaceId, collab.Position{X: x, Y: y}, text)
	if annotationId.IsZero() {
		Err.Fatalf("invalid annotation\n")
	}

	// wait for the relay confirmation
	confirmed := make(chan struct{}, 1)
	session.Store().AddChangeCallback(func() {
		for _, annotation := range session.Store().Annotations() {
			if annotation.Id == annotationId {
				select {
				case confirmed <- struct{}{}:
				default:
				}
			}
		}
	})
	select {
	case <-confirmed:
		Out.Printf("annotated %s\n", annotationId)
	case <-time.After(10 * time.Second):
		Err.Fatalf("no confirmation\n")
	}
}

func connectSession(ctx context.Context, opts docopt.Opts) *collab.Session {
	url := "ws://localhost:7301"
	if optUrl, err := opts.String("--url"); err == nil && optUrl != "" {
		url = optUrl
	}
	documentId, _ := opts.String("--doc")
	jwt, _ := opts.String("--jwt")

	session, err := collab.NewSessionWithDefaults(
		ctx,
		url,
		documentId,
		collab.NewStaticTokenSource(jwt),
	)
	if err != nil {
		Err.Fatalf("session = %s\n", err)
	}

	connected := make(chan struct{}, 1)
	unsub := session.AddConnectivityCallback(func(connectivity collab.Connectivity) {
		Out.Printf("connectivity %s\n", connectivity)
		if connectivity.IsConnected() {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if err := session.Connect(); err != nil {
		Err.Fatalf("connect = %s\n", err)
	}
	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		Err.Fatalf("connect timeout\n")
	}
	return session
}
