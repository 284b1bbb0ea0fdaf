package sshhost

import (
	"fmt"
	"net"

	"github.com/hellomouse/skipauth/pkg/whitelist"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

type sessionInfo struct {
	profile whitelist.Profile
	skipped bool
	remote  net.Addr
}

func (si sessionInfo) greeting() string {
	how := "after public key verification"
	if si.skipped {
		how = "without verification (offline-mode user)"
	}
	return fmt.Sprintf("Logged in as %s from %s %s.\r\n", si.profile, si.remote, how)
}

// handleChannels serves "session" channels until the client goes away.
// Other channel types are rejected.
func (s *Server) handleChannels(chans <-chan ssh.NewChannel, si sessionInfo) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			logrus.Debugf("Rejecting channel type %s", newChannel.ChannelType())
			_ = newChannel.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, reqs, err := newChannel.Accept()
		if err != nil {
			logrus.WithError(err).Warn("Cannot accept session channel")
			continue
		}
		go handleSession(ch, reqs, si)
	}
}

type exitStatusMsg struct {
	Status uint32
}

// handleSession answers shell and exec requests with a greeting and exits.
func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, si sessionInfo) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "shell", "exec":
			_ = req.Reply(true, nil)
			if _, err := ch.Write([]byte(si.greeting())); err != nil {
				logrus.WithError(err).Debug("Cannot write greeting")
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: 0}))
			return
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
