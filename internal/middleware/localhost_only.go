package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly middleware - only allow localhost or whitelisted IPs access
type LocalhostOnly struct {
	logger     logrus.FieldLogger
	allowedIPs []net.IP
	allowedNet []*net.IPNet
}

// NewLocalhostOnly accepts exact IPs and CIDR ranges; malformed entries are
// logged and skipped.
func NewLocalhostOnly(logger logrus.FieldLogger, allowed []string) *LocalhostOnly {
	l := &LocalhostOnly{logger: logger}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.WithField("allowed", entry).WithError(err).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			l.allowedNet = append(l.allowedNet, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			l.allowedIPs = append(l.allowedIPs, ip)
		} else {
			logger.WithField("allowed", entry).Warn("Invalid IP in allowedIPs")
		}
	}
	return l
}

// Restrict restrict access to localhost only
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !l.IsAllowed(clientIP) {
			l.logger.WithFields(logrus.Fields{
				"client_ip":   clientIP,
				"path":        c.Request.URL.Path,
				"remote_addr": c.Request.RemoteAddr,
			}).Warn("Reject non-whitelisted access to sensitive API")

			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "IP_NOT_ALLOWED",
					"message": "This endpoint is only accessible from allowed IP addresses",
				},
			})
			return
		}
		c.Next()
	}
}

// IsAllowed reports whether ip is loopback or matches the whitelist.
func (l *LocalhostOnly) IsAllowed(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	for _, allowed := range l.allowedIPs {
		if allowed.Equal(parsed) {
			return true
		}
	}
	for _, ipNet := range l.allowedNet {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}
