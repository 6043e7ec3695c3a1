package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jettify/go-binlogstream"
)

// binlog-stream user:passwd@host:port binlog.000001:4
// binlog-stream user:passwd@host:port gtid:3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5
func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: binlog-stream user:passwd@host:port (binlog.NNNNNN:pos | gtid:set)")
		os.Exit(1)
	}

	cfg := parseTarget(os.Args[1])
	cfg.ServerID = 1024
	cfg.ResumeStream = true
	applyLocation(&cfg, os.Args[2])

	s := binlog.NewStreamer(cfg)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		panic(err)
	}
	defer s.Close()

	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(err)
		}
		printEvent(ev)
	}
}

func parseTarget(arg string) binlog.Config {
	at := strings.LastIndexByte(arg, '@')
	if at == -1 {
		panic("target must be user:passwd@host:port")
	}
	creds, addr := arg[:at], arg[at+1:]
	colon := strings.IndexByte(creds, ':')
	if colon == -1 {
		panic("target must be user:passwd@host:port")
	}
	return binlog.Config{
		Addr:     addr,
		User:     creds[:colon],
		Password: creds[colon+1:],
	}
}

func applyLocation(cfg *binlog.Config, arg string) {
	if strings.HasPrefix(arg, "gtid:") {
		set, err := binlog.ParseGTIDSet(strings.TrimPrefix(arg, "gtid:"))
		if err != nil {
			panic(err)
		}
		cfg.AutoPosition = set
		return
	}
	colon := strings.LastIndexByte(arg, ':')
	if colon == -1 {
		cfg.LogFile, cfg.LogPos = arg, 4
		return
	}
	pos, err := strconv.Atoi(arg[colon+1:])
	if err != nil {
		panic(err)
	}
	cfg.LogFile, cfg.LogPos = arg[:colon], uint32(pos)
}

func printEvent(ev binlog.Event) {
	switch data := ev.Data.(type) {
	case binlog.RowsResult:
		for _, row := range data.Rows {
			fmt.Printf("%s.%s %v\n", data.Schema, data.Table, row.Values)
		}
	default:
		fmt.Printf("%s %#v\n", ev.Header.EventType, data)
	}
}
