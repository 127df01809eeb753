// Command caddy is a Caddy build that includes the lazy_proxy handler.
package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"

	_ "github.com/tarasglek/lazyproxy"
)

func main() {
	caddycmd.Main()
}
