/*
Package lazyproxy provides a Caddy HTTP handler (`lazy_proxy`) that starts a
backend command on the first request and proxies requests to it.

Requests that arrive while the backend boots are held until its readiness
probes pass. Requests to a probe path are answered by the handler itself, so
health checks never wake the backend. After the configured idle timeout the
backend is stopped, and the next request starts it again.

The same proxy also runs standalone, without Caddy, as cmd/lazyproxy.
*/
package lazyproxy
