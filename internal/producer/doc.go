// Package producer реализует цикл публикации сообщений.
//
// Producer:
//   - Подключается к брокеру (с повторами по RetryPolicy)
//   - На каждой итерации увеличивает sequence number и публикует Message
//   - Ждёт следующего момента по Pacer (интервал или cron)
//   - Ошибка публикации логируется, цикл продолжается
//   - При остановке закрывает соединение ровно один раз
package producer
