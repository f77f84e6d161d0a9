// Package forward hosts the cache manager behind an HTTP forward proxy.
//
// Clients configure the proxy explicitly (for example through HTTP_PROXY) and
// every plain HTTP request they send is offered to the active controller.
// Requests the controller declines, bypassed hosts and CONNECT tunnels are
// forwarded unchanged by goproxy.
package forward
