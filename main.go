// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/CrawX/go-imap-mailstream/archiver"
	"github.com/CrawX/go-imap-mailstream/config"
	"github.com/CrawX/go-imap-mailstream/imapconnection"
	"github.com/CrawX/go-imap-mailstream/log"
	"github.com/CrawX/go-imap-mailstream/mailstream"
	"github.com/CrawX/go-imap-mailstream/persistence"
	"github.com/CrawX/go-imap-mailstream/server"
	"github.com/CrawX/go-imap-mailstream/storage"

	"github.com/sirupsen/logrus"
)

const accountPasswordEnv = "MAILSTREAM_ACCOUNT_PASSWORD"

func main() {
	configFile := flag.String("config", "config.toml", "path to the toml config file")
	addAccount := flag.String("add-account", "", "store the account with this email, password is read from "+accountPasswordEnv)
	flag.Parse()

	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig(*configFile)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}
	log.SetLogLevel(conf.Loglevel)

	p, err := persistence.NewPersistence(conf.DatabaseDriver, conf.Database, log.Logger(log.LOG_PERSISTENCE))
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer p.Close()

	if len(*addAccount) > 0 {
		password := os.Getenv(accountPasswordEnv)
		if len(password) == 0 {
			logger.Fatalf("Set %s to the password of %s", accountPasswordEnv, *addAccount)
		}

		account, err := p.UpsertAccount(context.Background(), *addAccount, password)
		if err != nil {
			logger.WithField("error", err).Fatal("Could not store account")
		}
		logger.WithFields(logrus.Fields{"id": account.Id, "email": account.Email}).Info("Stored account")
		return
	}

	store, err := storage.NewDiskStore(conf.AttachmentsRoot, log.Logger(log.LOG_STORAGE))
	if err != nil {
		logger.WithField("error", err).Fatal("Could not open attachment storage")
	}

	configs := []imapconnection.ConfigFunc{
		imapconnection.Timeout(conf.ImapTimeout),
		imapconnection.Mailbox(conf.ImapMailbox),
		imapconnection.DefaultPort(conf.ImapDefaultPort),
		imapconnection.Servers(conf.ImapServers),
	}
	if conf.ImapStartTLS {
		configs = append(configs, imapconnection.StartTLS())
	}
	if conf.ImapCompress {
		configs = append(configs, imapconnection.Compress())
	}

	fetcher, err := imapconnection.NewFetcher(log.Logger(log.LOG_IMAP), configs...)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start imap connector")
	}

	arch := archiver.NewArchiver(p, store, conf.PublicScheme, conf.AttachmentPathMaxLength, log.Logger(log.LOG_ARCHIVER))
	controller := mailstream.NewController(p, fetcher, arch, log.Logger(log.LOG_MAILSTREAM))

	srv, err := server.NewServer(controller, store.Handler(), conf.ListenAddr, log.Logger(log.LOG_SERVER))
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{"addr": conf.ListenAddr, "mailbox": conf.ImapMailbox, "database": conf.DatabaseDriver}).Info("Starting mail stream")
	err = srv.Run(ctx)
	if err != nil {
		logger.WithField("error", err).Error("Server stopped")
	}
}
