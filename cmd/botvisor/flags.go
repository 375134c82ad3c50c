package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	Watch    bool          // Watch mode for continuous monitoring
	Interval time.Duration // Watch interval
	JSON     bool
}

type EventsFlags struct {
	Raw   bool // print payloads only
	Types []string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	StartBot  bool
}

type ConfigWriteFlags struct {
	Name   string
	File   string // read contents from file, "-" for stdin
	Secret bool
	Remote bool // write through the daemon instead of locally
}

type ConfigInitFlags struct {
	Type    string
	AppName string
	Output  string // "-" prints to stdout
	Force   bool
}
