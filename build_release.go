//go:build release

package main

const (
	defaultAddr   = "0.0.0.0:80"
	secureCookies = true
)
