//go:build !release

package main

const (
	defaultAddr   = "127.0.0.1:3000"
	secureCookies = false
)
