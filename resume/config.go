package resume

// Settings that can change while a download runs.
type Config struct {
	// Hash every piece that isn't known done on resume, even if the resume data is valid.
	RecheckAllOnResume bool `mapstructure:"recheck_all_on_resume"`
	// Don't compare file lengths against the pieces they hold when the download was complete.
	SkipCompleteFileChecks bool `mapstructure:"skip_complete_file_checks"`
	// As above, for downloads that weren't complete.
	SkipIncompleteFileChecks bool `mapstructure:"skip_incomplete_file_checks"`
}
