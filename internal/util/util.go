package util

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// log is the global logger
var log = logrus.New()

// SetLogLevel sets the log level for the daemon
func SetLogLevel(level logrus.Level) {
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true, QuoteEmptyFields: true}
	log.Level = level
}

// GetLogger returns the main logger, annotated with a context field
func GetLogger(context string) *logrus.Entry {
	return log.WithField("context", context)
}

// ProbePort checks whether a TCP connection can be established to host:port
func ProbePort(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), timeout)
	if err != nil || conn == nil {
		return false
	}
	conn.Close()
	return true
}

// ProbeHTTP checks whether a URL answers with a successful status code
func ProbeHTTP(url string, timeout time.Duration) bool {
	client := http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil || resp == nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
