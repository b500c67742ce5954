// Package config 负责加载 vaultd 的启动配置，支持 JSON 与 YAML 两种格式，
// 并在加载后补全默认值、把相对路径解析到配置文件所在目录。
package config
