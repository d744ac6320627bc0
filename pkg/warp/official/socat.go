package official

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/warp"
)

var supervisorConfPaths = []string{
	"/etc/supervisor/conf.d/supervisord.conf",
	"/etc/supervisor/conf.d/warppool.conf",
}

var socatCommandRe = regexp.MustCompile(`command=(\S*socat) TCP-LISTEN:\d+,(\S+) TCP:127\.0\.0\.1:\d+`)

// ensureSocat keeps the socat forwarder (panel SOCKS5 port → internal
// warp-cli proxy port) configured and running. Proxy mode only.
func (d *Driver) ensureSocat(ctx context.Context) {
	if d.mode != warp.ModeProxy {
		return
	}
	d.syncSocatPort(ctx)

	if d.serviceRunning(ctx, socatProgram) && d.probe.IsPortListening(d.cfg.SocksPort) {
		return
	}

	logrus.Info("starting socat forwarder")
	if rc, _, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "start", socatProgram); rc != 0 {
		logrus.Errorf("failed to start socat: %s", stderr)
		return
	}
	time.Sleep(time.Second)
	if !d.probe.IsPortListening(d.cfg.SocksPort) {
		logrus.Warnf("socat started but port %d is not listening yet", d.cfg.SocksPort)
		time.Sleep(2 * time.Second)
	}
}

func (d *Driver) syncSocatPort(ctx context.Context) {
	changed := false
	for _, path := range supervisorConfPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		updated := socatCommandRe.ReplaceAllString(string(data),
			fmt.Sprintf("command=$1 TCP-LISTEN:%d,$2 TCP:127.0.0.1:%d", d.cfg.SocksPort, internalProxyPort))
		if updated == string(data) {
			continue
		}
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			logrus.Warnf("failed to update supervisor config %s: %v", path, err)
			continue
		}
		logrus.WithField("port", d.cfg.SocksPort).Infof("updated socat port in %s", path)
		changed = true
	}
	if changed {
		d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "reread")
		d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "update")
	}
}
