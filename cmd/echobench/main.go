// Command echobench runs one of three interchangeable TCP echo server
// engines (epoll, single-shot io_uring, multishot io_uring with a
// provided buffer ring) and reports live throughput to stdout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/godzie44/uring-echobench/internal/engine"
)

// defaultPort matches the reference implementation's PORT.
const defaultPort = 9999

func main() {
	mode := flag.String("m", "epoll", "engine: epoll, uring, multishot")
	port := flag.Int("p", defaultPort, "port number")
	help := flag.Bool("h", false, "print usage and exit")
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}

	eng, closer, err := buildEngine(*mode, *port)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	defer closer()

	var shutdown atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown.Store(true)
	}()

	fmt.Printf("%s server listening on port %d\n", *mode, *port)

	if err := eng.Run(&shutdown); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Printf("Usage: %s [-m mode] [-p port]\n", os.Args[0])
	fmt.Println("  -m mode: epoll, uring, multishot (default: epoll)")
	fmt.Printf("  -p port: port number (default :%d)\n", defaultPort)
}

func buildEngine(mode string, port int) (engine.Engine, func() error, error) {
	switch mode {
	case "epoll":
		e, err := engine.NewReadiness(port)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case "uring":
		e, err := engine.NewCompletion(port)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case "multishot":
		e, err := engine.NewMultishot(port)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	default:
		return nil, nil, errors.New("invalid mode: " + mode)
	}
}
