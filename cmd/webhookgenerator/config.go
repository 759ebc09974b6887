package main

type config struct {
	BaseURL  string `mapstructure:"base_url"`
	Source   string `mapstructure:"source"`
	Secret   string `mapstructure:"secret"`
	Interval string `mapstructure:"interval"`
}
