// Package media stores message attachments and returns durable URLs.
package media
