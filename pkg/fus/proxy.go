package fus

import (
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/apex/log"
	"golang.org/x/net/http/httpproxy"
)

var proxyEnvVars = [...]string{
	"HTTPS_PROXY",
	"https_proxy",
	"HTTP_PROXY",
	"http_proxy",
	"ALL_PROXY",
	"all_proxy",
}

// GetProxy takes either an input string or reads the environment and returns a proxy function
func GetProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
			return http.ProxyFromEnvironment
		}
		log.Debugf("proxy set to: %s", proxyURL)
		return http.ProxyURL(proxyURL)
	}

	conf := httpproxy.FromEnvironment()
	if hasConfiguredProxy("") {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
			"no_proxy":    conf.NoProxy,
		}).Debugf("proxy info from environment")
	}

	proxyFunc := conf.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}

func hasConfiguredProxy(proxy string) bool {
	if strings.TrimSpace(proxy) != "" {
		return true
	}
	for _, key := range proxyEnvVars {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			return true
		}
	}
	return false
}
