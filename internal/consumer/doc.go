// Package consumer — процесс-потребитель: подключение, подписка, переподключение
// и обработчик, записывающий сообщения в журнал.
package consumer
