// Package vqs 在有序消息队列与 HTTP webhook 之间搭桥：按分组键 FIFO 投递工作流
// step/run 触发消息，解析 webhook 响应，并在业务显式要求退避时通过队列原生延时
// （短延时）或一次性定时触发器（长延时）重投，同时限制最大尝试次数。
// 提供 Dispatcher、Forwarder 与 HandlerAdapter 三部分，队列与调度均可插拔（Redis/RabbitMQ/内存）。
package vqs
