// Package ifacemonitor watches rtnetlink for link changes and reports the
// affected interface names.  The endpoint manager uses these kicks to retry
// configuration that failed because an interface didn't exist yet.
package ifacemonitor

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// sizeofIfInfomsg is the fixed header that precedes the attributes in an
// RTM_NEWLINK message.
const sizeofIfInfomsg = 16

// Callback is invoked, from the monitor's goroutine, with the name of each
// interface that was created or changed state.
type Callback func(ifaceName string)

type Monitor struct {
	callback Callback
	conn     *netlink.Conn
}

func New(callback Callback) *Monitor {
	return &Monitor{callback: callback}
}

// Start subscribes to the kernel's link notifications and spawns the
// receive loop.
func (m *Monitor) Start() error {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: unix.RTMGRP_LINK,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to rtnetlink: %w", err)
	}
	m.conn = conn
	go m.loop()
	return nil
}

func (m *Monitor) Stop() {
	if m.conn != nil {
		m.conn.Close()
	}
}

func (m *Monitor) loop() {
	log.Info("Interface monitor started")
	for {
		msgs, err := m.conn.Receive()
		if err != nil {
			// Closed on shutdown; anything else is unexpected but a
			// resync-free restart of the subscription isn't possible,
			// so just stop: endpoint programming still retries via
			// datastore events.
			log.WithError(err).Warn("Interface monitor receive failed, stopping")
			return
		}
		for _, msg := range msgs {
			if msg.Header.Type != unix.RTM_NEWLINK {
				continue
			}
			name, flags, err := parseLinkMessage(msg.Data)
			if err != nil {
				log.WithError(err).Warn("Failed to parse link message")
				continue
			}
			log.WithFields(log.Fields{
				"interface": name,
				"up":        flags&unix.IFF_UP != 0,
			}).Debug("Link update")
			m.callback(name)
		}
	}
}

// parseLinkMessage pulls the interface name and flags out of an RTM_NEWLINK
// payload: a fixed ifinfomsg header followed by netlink attributes.
func parseLinkMessage(data []byte) (name string, flags uint32, err error) {
	if len(data) < sizeofIfInfomsg {
		return "", 0, fmt.Errorf("link message too short: %d bytes", len(data))
	}
	flags = nlenc.Uint32(data[8:12])

	ad, err := netlink.NewAttributeDecoder(data[sizeofIfInfomsg:])
	if err != nil {
		return "", 0, fmt.Errorf("failed to decode link attributes: %w", err)
	}
	for ad.Next() {
		if ad.Type() == unix.IFLA_IFNAME {
			name = ad.String()
		}
	}
	if err := ad.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to decode link attributes: %w", err)
	}
	if name == "" {
		return "", 0, fmt.Errorf("link message carried no interface name")
	}
	return name, flags, nil
}
