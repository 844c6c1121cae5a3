package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"slide-lite/internal/config"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
	"slide-lite/internal/slide"
	"slide-lite/internal/socketio"
)

func main() {
	join := flag.String("join", "", "stream to join; hosts your own stream when empty")
	limited := flag.Bool("limited", false, "host a limited stream")
	voting := flag.Bool("voting", false, "host with voting enabled")
	add := flag.String("add", "", "URI to add to the queue once in the stream")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		glog.Exit(err)
	}
	if cfg.Username == "" || cfg.Credential == "" {
		glog.Exit("username and credential are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.SessionOptions()
	opts.Connector = socketio.NewConnector()
	opts.OnDisconnect = func() { glog.Infof("disconnected") }
	opts.OnRemoteError = func(ev remote.ErrorEvent) { glog.Infof("remote error %s: %s", ev.Code, ev.Message) }
	s := slide.New(opts)

	if err := s.Login(ctx, cfg.Username, cfg.Credential); err != nil {
		glog.Exit(err)
	}
	glog.Infof("logged in as %s", cfg.Username)

	cbs := slide.StreamCallbacks{
		StreamData: func(st model.Stream) {
			glog.Infof("stream %s live=%t users=%v state=%s seek=%d uri=%s", st.Name, st.Live, []string(st.Users), st.State, st.Seek, st.URI)
		},
		Locked:     printList(model.ListLocked),
		Queue:      printList(model.ListQueue),
		Suggestion: printList(model.ListSuggestion),
		Autoplay:   printList(model.ListAutoplay),
	}

	if *join != "" {
		err = s.Join(ctx, *join, cbs, func() {
			glog.Infof("stream %s ended", *join)
			stop()
		})
	} else {
		err = s.Host(ctx, slide.Settings{Voting: *voting, Limited: *limited}, cbs)
	}
	if err != nil {
		glog.Errorf("enter stream: %v", err)
	} else if *add != "" {
		locator, err := s.AddItem(ctx, model.ListQueue, *add, nil, func(t model.Track) {
			glog.Infof("track %s %s score=%d", t.Locator, t.URI, t.Score)
		})
		if err != nil {
			glog.Errorf("add %s: %v", *add, err)
		} else {
			glog.Infof("added %s as %s", *add, locator)
		}
	}

	if err == nil {
		<-ctx.Done()
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Logout(shutdown); err != nil {
		glog.Errorf("logout: %v", err)
	}
}

func printList(kind model.ListKind) func([]string) {
	return func(entries []string) {
		glog.Infof("%s %v", kind, entries)
	}
}
