package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// SdNotifyReady tells systemd the device is up and dependent services can now be started
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const SdNotifyReady = "READY=1"

func notifyReady(l *logrus.Logger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}
	// Abstract sockets are announced with a leading @.
	if sockName[0] == '@' {
		sockName = "\x00" + sockName[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockName, Net: "unixgram"})
	if err != nil {
		l.WithError(err).Error("Failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set the write deadline for the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte(SdNotifyReady)); err != nil {
		l.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	l.Debug("Notified systemd the device is ready")
}
