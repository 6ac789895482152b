// Copyright 2024-2026 Aiku AI

package config

import (
	up "go.mau.fi/util/configupgrade"
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "bot_username")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")

	helper.Copy(up.Str, "signal", "socket_path")
	helper.Copy(up.Str, "signal", "device_name")

	helper.Copy(up.Str, "bridge", "domain")
	helper.Copy(up.Str, "bridge", "username_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "portal_queue_size")
	helper.Copy(up.Int, "bridge", "workers")
	helper.Copy(up.Str, "bridge", "deferral_window")
	helper.Copy(up.Str, "bridge", "retry_backoff_base")
	helper.Copy(up.Str, "bridge", "retry_backoff_cap")
	helper.Copy(up.Int, "bridge", "retry_max_attempts")
	helper.Copy(up.Str, "bridge", "profile_refresh_window")
	helper.Copy(up.Bool, "bridge", "backfill_enabled")
	helper.Copy(up.Int, "bridge", "backfill_page_size")
	helper.Copy(up.Int, "bridge", "backfill_max_count")
	helper.Copy(up.Str, "bridge", "typing_timeout")

	helper.Copy(up.Str, "admin_api_addr")

	helper.Copy(up.Map, "logging")
}
