package routes

// Route is one entry in the navigation tree served to clients. Each entry
// names the permission that unlocks it; entries with an empty permission are
// always visible once signed in.
type Route struct {
	Path       string  `json:"path"`
	Name       string  `json:"name"`
	Icon       string  `json:"icon,omitempty"`
	Permission string  `json:"permission,omitempty"`
	Children   []Route `json:"children,omitempty"`
}

// table is the full navigation tree. Clients receive the subset their role
// unlocks and register those routes after sign-in.
var table = []Route{
	{
		Path: "/dashboard", Name: "Dashboard", Icon: "dashboard", Permission: "dashboard",
		Children: []Route{
			{Path: "/dashboard/workplace", Name: "Workplace", Permission: "dashboard"},
			{Path: "/dashboard/monitor", Name: "Monitor", Permission: "dashboard"},
		},
	},
	{
		Path: "/market", Name: "Market", Icon: "line-chart", Permission: "view",
		Children: []Route{
			{Path: "/market/quotes", Name: "Quotes", Permission: "view"},
			{Path: "/market/kline", Name: "Candles", Permission: "view"},
		},
	},
	{
		Path: "/indicator", Name: "Indicators", Icon: "function", Permission: "indicator",
		Children: []Route{
			{Path: "/indicator/list", Name: "My Indicators", Permission: "indicator"},
			{Path: "/indicator/editor", Name: "Indicator Editor", Permission: "indicator"},
		},
	},
	{
		Path: "/backtest", Name: "Backtest", Icon: "experiment", Permission: "backtest",
		Children: []Route{
			{Path: "/backtest/new", Name: "New Backtest", Permission: "backtest"},
			{Path: "/backtest/history", Name: "History", Permission: "backtest"},
		},
	},
	{
		Path: "/strategy", Name: "Strategies", Icon: "robot", Permission: "strategy",
		Children: []Route{
			{Path: "/strategy/list", Name: "My Strategies", Permission: "strategy"},
			{Path: "/strategy/running", Name: "Running", Permission: "strategy"},
		},
	},
	{
		Path: "/portfolio", Name: "Portfolio", Icon: "pie-chart", Permission: "portfolio",
		Children: []Route{
			{Path: "/portfolio/overview", Name: "Overview", Permission: "portfolio"},
			{Path: "/portfolio/monitor", Name: "AI Monitor", Permission: "portfolio"},
		},
	},
	{
		Path: "/settings", Name: "Settings", Icon: "setting", Permission: "settings",
	},
	{
		Path: "/system", Name: "System", Icon: "team", Permission: "user_manage",
		Children: []Route{
			{Path: "/system/users", Name: "User Management", Permission: "user_manage"},
			{Path: "/system/security", Name: "Security Log", Permission: "user_manage"},
		},
	},
	{
		Path: "/credentials", Name: "Exchange Credentials", Icon: "key", Permission: "credentials",
	},
	{
		Path: "/account", Name: "Account", Icon: "user",
		Children: []Route{
			{Path: "/account/center", Name: "Profile"},
			{Path: "/account/settings", Name: "Account Settings"},
		},
	},
}

// Filter returns the routes unlocked by the given permission set.
func Filter(perms map[string]bool) []Route {
	return filter(table, perms)
}

func filter(routes []Route, perms map[string]bool) []Route {
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Permission != "" && !perms[r.Permission] {
			continue
		}
		r.Children = filter(r.Children, perms)
		out = append(out, r)
	}
	return out
}

// All returns the unfiltered table. Used by admin tooling and tests.
func All() []Route {
	return clone(table)
}

func clone(routes []Route) []Route {
	out := make([]Route, len(routes))
	for i, r := range routes {
		r.Children = clone(r.Children)
		out[i] = r
	}
	return out
}
