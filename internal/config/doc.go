// Package config 提供守护进程与后台执行器共享的启动配置。
package config
