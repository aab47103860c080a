package main

import "time"

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type FixFlags struct {
	File    string
	Timeout time.Duration
}

type HashPasswordFlags struct {
	Password string
	Cost     int
}
