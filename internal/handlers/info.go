package handlers

import (
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webcam-relay/config"
	"github.com/mossy-p/webcam-relay/internal/models"
	"github.com/mossy-p/webcam-relay/internal/netinfo"
	"github.com/mossy-p/webcam-relay/internal/relay"
)

// InterfaceLister returns the host's network interfaces
type InterfaceLister func() ([]netinfo.Interface, error)

// TurnConfig serves the relay-assist endpoint for the requesting client.
// The TURN host is the host the client used to reach us; loopback hosts are
// swapped for the machine's external address so other devices can use it.
func TurnConfig(turn config.TurnConfig, interfaces InterfaceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := requestHost(c.Request)
		if isLoopbackHost(host) {
			if ifaces, err := interfaces(); err == nil {
				host = netinfo.LocalIP(ifaces)
			}
		}

		c.JSON(http.StatusOK, models.TurnConfigResponse{
			TurnServer: &models.TurnServer{
				URLs:       "turn:" + net.JoinHostPort(host, turn.Port),
				Username:   turn.Username,
				Credential: turn.Credential,
			},
		})
	}
}

// NetworkInfo serves best-effort LAN and wireless addresses
func NetworkInfo(interfaces InterfaceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		ifaces, err := interfaces()
		if err != nil {
			log.Printf("Failed to list interfaces: %v", err)
			c.JSON(http.StatusOK, models.NetworkInfo{})
			return
		}
		c.JSON(http.StatusOK, netinfo.Classify(ifaces))
	}
}

// JoinLink serves the shareable viewer link for ?id=<broadcasterId>
func JoinLink(interfaces InterfaceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		var info models.NetworkInfo
		if ifaces, err := interfaces(); err == nil {
			info = netinfo.Classify(ifaces)
		}

		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		host, port := splitHostPort(c.Request.Host)
		id := c.DefaultQuery("id", models.DefaultBroadcasterID)

		c.JSON(http.StatusOK, models.JoinLinkResponse{
			URL: netinfo.JoinLink(scheme, host, port, id, info),
		})
	}
}

// ListBroadcasters lists live broadcasters and their viewer counts
func ListBroadcasters(registry *relay.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts := registry.Broadcasters()
		out := make([]models.BroadcasterInfo, 0, len(counts))
		for _, id := range registry.BroadcasterIDs() {
			out = append(out, models.BroadcasterInfo{ID: id, Viewers: counts[id]})
		}
		c.JSON(http.StatusOK, out)
	}
}

// GetBroadcaster reports one live broadcaster
func GetBroadcaster(registry *relay.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("broadcasterId")
		viewers, ok := registry.Broadcasters()[id]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Broadcaster not found"})
			return
		}
		c.JSON(http.StatusOK, models.BroadcasterInfo{ID: id, Viewers: viewers})
	}
}

func requestHost(r *http.Request) string {
	host, _ := splitHostPort(r.Host)
	return host
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), ""
	}
	return host, port
}

func isLoopbackHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
