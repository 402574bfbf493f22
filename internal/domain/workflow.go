package domain

// Workflow describes one scheduled automation: where the source lives, how
// to provision it, and which task to execute. Workflows are defined at
// deploy time in the definition file and are not mutable through the API.
type Workflow struct {
	Name    string
	Enabled bool

	Schedule Schedule

	Repo    RepoConfig
	Runtime RuntimeConfig

	// Manifest is the dependency declaration file, relative to the checkout.
	// Its content hash keys the dependency cache.
	Manifest string

	// Task is the entry-point script, relative to the checkout. It is
	// invoked with no arguments and treated as a black box; the run outcome
	// is its exit status.
	Task string

	// Secrets lists environment variable names injected into the task
	// process from the secret store. An unset secret still produces the
	// variable, with an empty value.
	Secrets []string

	Analytics AnalyticsConfig
}

type Schedule struct {
	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC
}

type RepoConfig struct {
	URL string
	Ref string // branch or tag; empty means the remote default branch
}

type RuntimeConfig struct {
	// Version pins the interpreter minor, e.g. "3.10".
	Version string
}
