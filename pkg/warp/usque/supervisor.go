package usque

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
)

// supervisorConfPaths are the files that may carry the usque program
// definition; both are rewritten when present.
var supervisorConfPaths = []string{
	"/etc/supervisor/conf.d/supervisord.conf",
	"/etc/supervisor/conf.d/warppool.conf",
}

var usqueCommandRe = regexp.MustCompile(`command=(\S*usque) -c (\S+) socks -b 0\.0\.0\.0 -p \d+`)

// syncSupervisorPort keeps the supervisor program's SOCKS5 listen port in
// line with the configured port, reloading supervisor when a file changed.
func (d *Driver) syncSupervisorPort(ctx context.Context) {
	changed := false
	for _, path := range supervisorConfPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		updated := usqueCommandRe.ReplaceAllString(string(data),
			fmt.Sprintf("command=$1 -c $2 socks -b 0.0.0.0 -p %d", d.cfg.SocksPort))
		if updated == string(data) {
			continue
		}
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			logrus.Warnf("failed to update supervisor config %s: %v", path, err)
			continue
		}
		logrus.WithField("port", d.cfg.SocksPort).Infof("updated usque port in %s", path)
		changed = true
	}
	if changed {
		d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "reread")
		d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "update")
	}
}
